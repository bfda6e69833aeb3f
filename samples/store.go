package samples

import (
	"context"
	"flag"
	"time"

	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/persistence/bolt"
	"github.com/cschleiden/go-workflowapp/persistence/memory"
	"github.com/cschleiden/go-workflowapp/persistence/mysql"
	"github.com/cschleiden/go-workflowapp/persistence/redis"
	"github.com/cschleiden/go-workflowapp/persistence/sqlite"
	redisv9 "github.com/redis/go-redis/v9"
)

func GetStore(name string, opt ...persistence.Option) *persistence.InstanceStore {
	s := flag.String("store", "sqlite", "store to use: memory, sqlite, bolt, mysql, redis")
	flag.Parse()

	switch *s {
	case "memory":
		return persistence.NewInstanceStore(memory.NewMemoryStore(), opt...)

	case "sqlite":
		return persistence.NewInstanceStore(sqlite.NewSqliteStore(name+".sqlite"), opt...)

	case "bolt":
		p, err := bolt.NewBoltStore(context.Background(), name+".bolt")
		if err != nil {
			panic(err)
		}

		return persistence.NewInstanceStore(p, opt...)

	case "mysql":
		return persistence.NewInstanceStore(mysql.NewMysqlStore("localhost", 3306, "root", "root", name), opt...)

	case "redis":
		rclient := redisv9.NewUniversalClient(&redisv9.UniversalOptions{
			Addrs:        []string{"localhost:6379"},
			Username:     "",
			Password:     "RedisPassw0rd",
			DB:           0,
			WriteTimeout: time.Second * 30,
			ReadTimeout:  time.Second * 30,
		})

		p, err := redis.NewRedisStore(rclient)
		if err != nil {
			panic(err)
		}

		return persistence.NewInstanceStore(p, opt...)

	default:
		panic("unknown store " + *s)
	}
}
