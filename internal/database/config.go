package database

import "time"

// Config holds pool settings shared by every adapter.
type Config struct {
	MaxConns        int32         // maximum number of connections in the pool
	MinConns        int32         // minimum number of idle connections kept alive
	MaxConnLifetime time.Duration // maximum time a connection may be reused
	MaxConnIdleTime time.Duration // maximum time a connection may sit idle
	ConnectTimeout  time.Duration // time limit for establishing a new connection
}

// DefaultConfig returns pool settings sized for a gateway that serialises
// queries per connection: a handful of connections is plenty.
func DefaultConfig() *Config {
	return &Config{
		MaxConns:        4,
		MinConns:        0,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
