package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slotbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (telegram token) are never logged,
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.String("api.timeout", strings.TrimSpace(newCfg.API.Timeout)),
			logx.Int("api.retry_max", newCfg.API.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Enroll, newCfg.Enroll) {
		changed = append(changed, "enroll")
		attrs = append(attrs,
			logx.String("enroll.watch_lead", strings.TrimSpace(newCfg.Enroll.WatchLead)),
			logx.String("enroll.enroll_lead", strings.TrimSpace(newCfg.Enroll.EnrollLead)),
			logx.String("enroll.poll_interval", strings.TrimSpace(newCfg.Enroll.PollInterval)),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.max_retries", newCfg.Jobs.MaxRetries))
	}

	// Storage: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
