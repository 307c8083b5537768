// Copyright 2020-2026 Bastion Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis implements the two-phase lock on a redis instance. The
// compare-and-set and compare-and-delete steps run as Lua scripts so the
// check and the write are atomic on the server.
package redis

import (
	"context"
	"time"

	"github.com/bastionlabs/grantree/pkg/lock"
	"github.com/bastionlabs/grantree/pkg/lock/registry"
	"github.com/gomodule/redigo/redis"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

func init() {
	registry.Register("redis", New)
}

type config struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

type manager struct {
	pool   *redis.Pool
	prefix string
}

// changeStateScript swaps the value iff the current value matches, keeping
// the remaining TTL.
var changeStateScript = redis.NewScript(1, `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl > 0 then
			redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
		else
			redis.call('SET', KEYS[1], ARGV[2])
		end
		return 1
	end
	return 0
`)

// releaseScript deletes the key iff the current value matches one of the
// given values.
var releaseScript = redis.NewScript(1, `
	local current = redis.call('GET', KEYS[1])
	for i = 1, #ARGV do
		if current == ARGV[i] then
			return redis.call('DEL', KEYS[1])
		end
	end
	return 0
`)

// New returns a redis-backed lock manager from a configuration map.
func New(m map[string]interface{}) (lock.Manager, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "redislock: error decoding conf")
	}
	if c.Address == "" {
		c.Address = "localhost:6379"
	}

	return &manager{
		pool:   initPool(c.Address, c.Username, c.Password),
		prefix: c.Prefix,
	}, nil
}

func initPool(address, username, password string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     50,
		MaxActive:   1000,
		IdleTimeout: 240 * time.Second,

		Dial: func() (redis.Conn, error) {
			var c redis.Conn
			var err error
			switch {
			case username != "":
				c, err = redis.Dial("tcp", address,
					redis.DialUsername(username),
					redis.DialPassword(password),
				)
			case password != "":
				c, err = redis.Dial("tcp", address,
					redis.DialPassword(password),
				)
			default:
				c, err = redis.Dial("tcp", address)
			}

			if err != nil {
				return nil, err
			}
			return c, err
		},

		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

func (m *manager) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	conn, err := m.pool.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "redislock: error getting connection")
	}
	defer conn.Close()

	reply, err := redis.String(conn.Do("SET", m.prefix+key, value, "EX", int(ttl.Seconds()), "NX"))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "redislock: error acquiring lock")
	}
	return reply == "OK", nil
}

func (m *manager) ChangeState(ctx context.Context, key, from, to string) (bool, error) {
	conn, err := m.pool.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "redislock: error getting connection")
	}
	defer conn.Close()

	swapped, err := redis.Int(changeStateScript.Do(conn, m.prefix+key, from, to))
	if err != nil {
		return false, errors.Wrap(err, "redislock: error changing lock state")
	}
	return swapped == 1, nil
}

func (m *manager) Release(ctx context.Context, key string, values ...string) error {
	conn, err := m.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redislock: error getting connection")
	}
	defer conn.Close()

	args := make([]interface{}, 0, len(values)+1)
	args = append(args, m.prefix+key)
	for _, v := range values {
		args = append(args, v)
	}
	if _, err := releaseScript.Do(conn, args...); err != nil {
		return errors.Wrap(err, "redislock: error releasing lock")
	}
	return nil
}

func (m *manager) Peek(ctx context.Context, key string) (string, bool, error) {
	conn, err := m.pool.GetContext(ctx)
	if err != nil {
		return "", false, errors.Wrap(err, "redislock: error getting connection")
	}
	defer conn.Close()

	value, err := redis.String(conn.Do("GET", m.prefix+key))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redislock: error reading lock")
	}
	return value, true, nil
}
