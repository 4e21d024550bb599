package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/aqasem/rollcall/core/automation"
	"github.com/aqasem/rollcall/core/automation/browser"
	"github.com/aqasem/rollcall/core/bootstrap"
	corebot "github.com/aqasem/rollcall/core/bot"
	corecmd "github.com/aqasem/rollcall/core/cmd"
	coreconfig "github.com/aqasem/rollcall/core/config"
	"github.com/aqasem/rollcall/core/store"
	coretelegram "github.com/aqasem/rollcall/core/telegram"
)

type app struct {
	cfg      *coreconfig.Config
	boot     *bootstrap.Result
	bot      *corebot.Bot
	driver   *browser.Driver
	runner   *automation.Runner
	notifier atomic.Pointer[corebot.Notifier]
}

func (a *app) CoreConfig() *coreconfig.Config { return a.cfg }

// notifyTerminal forwards task results to Telegram once the bot is live.
func (a *app) notifyTerminal(ctx context.Context, task store.Task) {
	if n := a.notifier.Load(); n != nil {
		n.Notify(ctx, task)
	}
}

func (a *app) TelegramRunOptions() (coretelegram.RunOptions, error) {
	reg := a.bot.Registry()
	return coretelegram.RunOptions{
		Config:      a.cfg,
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(a.cfg, nil),
		Routes:      a.bot.Routes(reg),
		OnStart: func(ctx context.Context, rt coretelegram.Runtime) error {
			a.notifier.Store(a.bot.NewNotifier(rt.Bot))
			if err := a.driver.Start(ctx); err != nil {
				return err
			}
			a.runner.Start(ctx)
			go a.runner.RunRescan(ctx, a.cfg.Automation.RescanInterval)
			go a.boot.Artifacts.RunCleaner(ctx, a.cfg.Artifacts.MaxAge, a.cfg.Artifacts.CleanInterval)
			go a.boot.Coordinator.RunPruner(ctx, a.cfg.Store.TaskRetention, a.cfg.Store.PruneInterval)
			return nil
		},
		OnStop: func(ctx context.Context, rt coretelegram.Runtime) error {
			a.runner.Wait()
			err := a.driver.Stop()
			if a.boot.DB != nil {
				_ = a.boot.DB.Close()
			}
			return err
		},
	}, nil
}

func buildApp(carrier corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
	a := carrier.(*app)
	cfg := a.cfg

	boot, err := bootstrap.Run(bootstrap.Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	a.boot = boot

	a.driver = browser.New(browser.Options{
		Headless:          cfg.Browser.Headless,
		Bin:               cfg.Browser.Bin,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		StudentIDSelector: cfg.Browser.StudentIDSelector,
		PasswordSelector:  cfg.Browser.PasswordSelector,
		SubmitSelector:    cfg.Browser.SubmitSelector,
		SubmitNames:       cfg.Browser.SubmitNames,
		CheckinNames:      cfg.Browser.CheckinNames,
		SuccessSelectors:  cfg.Browser.SuccessSelectors,
		SpinnerSelectors:  cfg.Browser.SpinnerSelectors,
	})

	hooks := []automation.TerminalHook{a.notifyTerminal}
	if boot.Archiver != nil {
		hooks = append(hooks, boot.Archiver.Hook())
	}

	a.runner = automation.NewRunner(boot.Coordinator, a.driver, boot.Artifacts, automation.Options{
		MaxSessions:  cfg.Automation.MaxSessions,
		QueueSize:    cfg.Automation.QueueSize,
		TaskTimeout:  cfg.Automation.TaskTimeout,
		MaxRetries:   cfg.Automation.MaxRetries,
		RetryBackoff: time.Duration(cfg.Automation.RetryBackoffMS) * time.Millisecond,
		Hooks:        hooks,
	})
	boot.Coordinator.AttachQueue(a.runner)

	a.bot = corebot.New(cfg, boot.Coordinator, boot.Artifacts)
	return a, nil
}

func main() {
	err := corecmd.Run(corecmd.Options{
		DefaultConfigPath: "config/config.yaml",
		LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
			cfg, err := coreconfig.Load(path)
			if err != nil {
				return nil, err
			}
			if err := coreconfig.ValidateTelegram(cfg); err != nil {
				return nil, err
			}
			return &app{cfg: cfg}, nil
		},
		Bootstrap: buildApp,
	})
	if err != nil {
		log.Fatalf("rollcall-bot: %v", err)
	}
}
