package mssql

import "refmatch/internal/storage"

func init() {
	storage.Register("mssql", New)
}
