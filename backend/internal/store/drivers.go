package store

// database/sql 驱动注册；mysql 驱动已在 sql.go 中直接引用
import (
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)
