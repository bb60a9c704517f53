// Package all registers every storage backend with the storage factory.
// Importing it for side effects is the usual way a binary opts in to all
// supported databases:
//
//	import _ "refmatch/internal/storage/all"
package all

import (
	_ "refmatch/internal/storage/mssql"
	_ "refmatch/internal/storage/postgres"
	_ "refmatch/internal/storage/sqlite"
)
