package storage

// Package storage persists job outcome history. It never stores jobs
// themselves or operator credentials; only the terminal result of finished
// runs, for the /history command and operational forensics.
