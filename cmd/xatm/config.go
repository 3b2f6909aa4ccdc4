package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xiaoxuxiansheng/goxa/txmanager"
)

const (
	storeMemory = "memory"
	storeMySQL  = "mysql"

	rmMemory = "memory"
	rmRedis  = "redis"
)

type config struct {
	Name               string
	Store              string
	DSN                string
	RedisNetwork       string
	RedisAddr          string
	RedisPassword      string
	RM                 string
	Resources          []txmanager.ResourceConfig
	Timeout            time.Duration
	BatchSize          int
	MonitorTick        time.Duration
	FlushInterval      time.Duration
	TransactionTimeout time.Duration
	DrainTimeout       time.Duration
	LogLevel           string
	LogFile            string
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xatm",
		Short:         "xatm coordinates two-phase commit across resource manager proxies",
		SilenceErrors: true,
		Example: `
  # 内存决议日志, 托管两个内存资源管理器
  xatm --resource 1:orders --resource 2:stock

  # MySQL 决议日志, redis 资源管理器, redis 分布式锁保护恢复扫描
  XATM_DSN='user:pass@tcp(127.0.0.1:3306)/goxa?parseTime=true' xatm --store mysql --rm redis --redis-addr 127.0.0.1:6379 --resource 1:orders:2

  # SIGUSR1 输出状态快照, SIGINT/SIGTERM 等待进行中的事务完成后退出
  kill -USR1 $(pidof xatm)
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("name", "xatm", "process name of the transaction manager")
	flags.String("store", storeMemory, "decision log store: memory or mysql")
	flags.String("dsn", "", "mysql dsn of the decision log")
	flags.String("redis-network", "tcp", "redis network")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address, used by the recovery lock and redis resource managers")
	flags.String("redis-password", "", "redis password")
	flags.String("rm", rmMemory, "driver of hosted resource managers: memory or redis")
	flags.StringSlice("resource", nil, "hosted resource manager as id:key[:instances], repeatable")
	flags.Duration("timeout", 5*time.Second, "time limit of a single prepare/commit/rollback sub-request")
	flags.Int("batch-size", 100, "decision log entries flushed per batch")
	flags.Duration("monitor-tick", 10*time.Second, "interval of the unfinished decision scan")
	flags.Duration("flush-interval", 10*time.Millisecond, "decision log flush interval")
	flags.Duration("transaction-timeout", 10*time.Minute, "idle time after which an active transaction is rolled back")
	flags.Duration("drain-timeout", 30*time.Second, "time allowed for in-flight transactions on shutdown")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "", "rotated log file, stderr when empty")

	viper.SetEnvPrefix("XATM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
	return cmd
}

func loadConfig() (*config, error) {
	cfg := config{
		Name:               viper.GetString("name"),
		Store:              strings.ToLower(viper.GetString("store")),
		DSN:                viper.GetString("dsn"),
		RedisNetwork:       viper.GetString("redis-network"),
		RedisAddr:          viper.GetString("redis-addr"),
		RedisPassword:      viper.GetString("redis-password"),
		RM:                 strings.ToLower(viper.GetString("rm")),
		Timeout:            viper.GetDuration("timeout"),
		BatchSize:          viper.GetInt("batch-size"),
		MonitorTick:        viper.GetDuration("monitor-tick"),
		FlushInterval:      viper.GetDuration("flush-interval"),
		TransactionTimeout: viper.GetDuration("transaction-timeout"),
		DrainTimeout:       viper.GetDuration("drain-timeout"),
		LogLevel:           viper.GetString("log-level"),
		LogFile:            viper.GetString("log-file"),
	}

	switch cfg.Store {
	case storeMemory:
	case storeMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store %s requires --dsn", cfg.Store)
		}
	default:
		return nil, fmt.Errorf("unknown store: %s", cfg.Store)
	}
	if cfg.RM != rmMemory && cfg.RM != rmRedis {
		return nil, fmt.Errorf("unknown rm driver: %s", cfg.RM)
	}

	// 环境变量中的列表以逗号分隔
	resources, err := parseResources(cast.ToStringSlice(viper.Get("resource")))
	if err != nil {
		return nil, err
	}
	cfg.Resources = resources
	return &cfg, nil
}

// parseResources 解析 id:key[:instances]
func parseResources(entries []string) ([]txmanager.ResourceConfig, error) {
	var resources []txmanager.ResourceConfig
	seen := make(map[int]struct{})
	for _, entry := range entries {
		for _, item := range strings.Split(entry, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			parts := strings.Split(item, ":")
			if len(parts) < 2 || len(parts) > 3 || parts[1] == "" {
				return nil, fmt.Errorf("invalid resource %q, expect id:key[:instances]", item)
			}
			id, err := cast.ToIntE(parts[0])
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid resource id %q", parts[0])
			}
			if _, ok := seen[id]; ok {
				return nil, fmt.Errorf("repeat resource id: %d", id)
			}
			seen[id] = struct{}{}

			instances := 1
			if len(parts) == 3 {
				if instances, err = cast.ToIntE(parts[2]); err != nil || instances <= 0 {
					return nil, fmt.Errorf("invalid instance count %q of resource %d", parts[2], id)
				}
			}
			resources = append(resources, txmanager.ResourceConfig{ID: id, Key: parts[1], Instances: instances})
		}
	}
	return resources, nil
}
