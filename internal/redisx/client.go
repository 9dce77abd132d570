package redisx

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// New returns the process-wide redis client. go-redis dials lazily, so the
// first command establishes the connection.
func New(o Options) *redis.Client {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.OpTimeout,
		ReadTimeout:  o.OpTimeout,
		WriteTimeout: o.OpTimeout,
	})
}
