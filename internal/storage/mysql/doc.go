// Package mysql provides the relational persistence layer for signed decision
// proofs. MySQL is the production backend; SQLite (pure Go) serves lite mode
// and tests. Both share embedded, per-dialect schema migrations.
package mysql
