// Package redis keeps agent status records in Redis hashes. Writes go through
// a Lua compare-and-set on updated_at so a delayed writer can never overwrite a
// newer record.
package redis
