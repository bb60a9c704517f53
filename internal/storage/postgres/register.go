package postgres

import "refmatch/internal/storage"

func init() {
	storage.Register("postgres", New)
}
