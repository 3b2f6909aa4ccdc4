package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/ledger/dao"
	"github.com/xiaoxuxiansheng/goxa/ledger/sqlstore"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/pkg"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/resource/memrm"
	"github.com/xiaoxuxiansheng/goxa/resource/redisrm"
	"github.com/xiaoxuxiansheng/goxa/rmproxy"
	"github.com/xiaoxuxiansheng/goxa/txmanager"
)

// serve 启动事务管理器与托管的资源管理器代理, 直到收到退出信号
func serve(ctx context.Context, cfg *config) error {
	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(
		log.WithLogName(cfg.Name),
		log.WithLogLevel(cfg.LogLevel),
		log.WithFileName(cfg.LogFile),
	)))

	var client *redis_lock.Client
	if cfg.Store == storeMySQL || cfg.RM == rmRedis {
		client = pkg.NewRedisClient(cfg.RedisNetwork, cfg.RedisAddr, cfg.RedisPassword)
	}
	store, err := newStore(ctx, cfg, client)
	if err != nil {
		return err
	}

	bus := ipc.NewBus()
	tm, err := txmanager.NewTXManager(bus, store,
		txmanager.WithName(cfg.Name),
		txmanager.WithTimeout(cfg.Timeout),
		txmanager.WithBatchSize(cfg.BatchSize),
		txmanager.WithMonitorTick(cfg.MonitorTick),
		txmanager.WithFlushInterval(cfg.FlushInterval),
		txmanager.WithTransactionTimeout(cfg.TransactionTimeout),
		txmanager.WithResources(cfg.Resources...),
	)
	if err != nil {
		return fmt.Errorf("start transaction manager: %w", err)
	}
	log.Infof("transaction manager %s started, store: %s, resources: %d", tm.Handle(), cfg.Store, len(cfg.Resources))

	var wg sync.WaitGroup
	pctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, rc := range cfg.Resources {
		// 同一资源的多个实例共享一个后端
		backend := memrm.NewBackend(rc.Key)
		for i := 0; i < rc.Instances; i++ {
			server, err := newProxy(bus, tm.Handle(), cfg, client, backend, rc, i)
			if err != nil {
				tm.Stop()
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := server.Run(pctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Errorf("proxy %s exited, err: %v", server.Instance(), err)
				}
			}()
		}
	}

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	defer signal.Stop(dump)

	for {
		select {
		case <-dump:
			dumpState(bus, tm)
		case <-tm.Done():
			return nil
		case <-ctx.Done():
			log.Infof("shutting down, drain timeout: %s", cfg.DrainTimeout)
			dctx, dcancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
			if err := tm.Drain(dctx); err != nil {
				log.Warnf("drain transaction manager failed, err: %v", err)
			}
			dcancel()
			tm.Stop()
			return nil
		}
	}
}

func newStore(ctx context.Context, cfg *config, client *redis_lock.Client) (ledger.Store, error) {
	if cfg.Store != storeMySQL {
		return ledger.NewMemoryStore(), nil
	}
	db, err := pkg.NewDB(cfg.DSN, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	decisionDAO := dao.NewDecisionDAO(db)
	if err := decisionDAO.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate decision log: %w", err)
	}
	return sqlstore.New(decisionDAO, client), nil
}

func newProxy(bus *ipc.Bus, tm process.Handle, cfg *config, client *redis_lock.Client, backend *memrm.Backend, rc txmanager.ResourceConfig, i int) (*rmproxy.Server, error) {
	var driver resource.Driver = memrm.New(backend)
	if cfg.RM == rmRedis {
		driver = redisrm.New(rc.Key, client)
	}
	r, err := resource.New(resource.Config{Key: rc.Key, ID: rc.ID}, driver)
	if err != nil {
		return nil, err
	}
	return rmproxy.New(bus, tm, r, fmt.Sprintf("%s-%d-%d", rc.Key, rc.ID, i))
}

// dumpState 通过事务管理器的状态请求获取快照并输出到日志
func dumpState(bus *ipc.Bus, tm *txmanager.TXManager) {
	ep, err := bus.Open(process.New("xatm/state"), 1)
	if err != nil {
		log.Errorf("open state endpoint failed, err: %v", err)
		return
	}
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ep.Call(ctx, tm.Handle(), message.StateRequest{})
	if err != nil {
		log.Errorf("request state failed, err: %v", err)
		return
	}
	reply, ok := resp.(message.StateReply)
	if !ok {
		log.Errorf("unexpected state reply: %s", resp.Type())
		return
	}
	body, _ := json.MarshalIndent(reply.State, "", "  ")
	log.Infof("state of %s:\n%s", tm.Handle(), body)
}
