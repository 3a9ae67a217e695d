package main

import (
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"roomcrypt/backup"
	"roomcrypt/configs"
	"roomcrypt/crosssigning"
	"roomcrypt/federation"
	"roomcrypt/group"
	"roomcrypt/pairwise"
	"roomcrypt/registry"
	"roomcrypt/secrets"
	"roomcrypt/server"
	"roomcrypt/store"
)

func main() {
	var (
		addr      string
		redisAddr string
		inMemory  bool
	)

	root := &cobra.Command{
		Use:   "roomcrypt-server",
		Short: "End-to-end encryption core for federated group messaging",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs.Load()
			if addr != "" {
				configs.ServerAddress = addr
			}
			if redisAddr != "" {
				configs.RedisAddress = redisAddr
			}

			logger := logrus.New()
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			var st store.Store
			if inMemory {
				st = store.NewMemory()
				logger.Warn("running with in-memory store, state will not survive restarts")
			} else {
				client := redis.NewClient(&redis.Options{Addr: configs.RedisAddress})
				if err := client.Ping(cmd.Context()).Err(); err != nil {
					return err
				}
				st = store.NewRedis(client)
			}

			transport := federation.NewHTTPClient(logger)
			reg := registry.New(st, transport, logger)
			signing := crosssigning.New(st, logger)
			pw := pairwise.NewManager(st, reg, transport, logger)
			grp := group.NewManager(st, pw, logger)
			vault := backup.New(st, logger)
			sec := secrets.New(st, logger)

			srv := server.New(st, reg, signing, pw, grp, vault, sec, logger)
			logger.WithField("addr", configs.ServerAddress).Info("listening")
			return http.ListenAndServe(configs.ServerAddress, srv.Router())
		},
	}

	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides ROOMCRYPT_SERVER_ADDR)")
	root.Flags().StringVar(&redisAddr, "redis", "", "redis address (overrides ROOMCRYPT_REDIS_ADDR)")
	root.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-memory store instead of redis")

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
