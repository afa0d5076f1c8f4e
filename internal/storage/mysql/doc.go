// Package mysql persists agent status records and the transaction journal in
// MySQL. Schema changes ship as embedded migrations applied on Open.
package mysql
