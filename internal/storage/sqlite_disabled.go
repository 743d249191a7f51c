//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "slotbot/pkg/logx"
)

func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite support not compiled in (build with -tags sqlite)")
}
