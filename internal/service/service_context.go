package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"gorm.io/gorm"

	"deepagent/internal/config"
	"deepagent/internal/delivery"
	"deepagent/internal/dispatcher"
	"deepagent/internal/engine"
	"deepagent/internal/model"
	"deepagent/internal/recorder"
	"deepagent/internal/retry"
	"deepagent/internal/store"
	"deepagent/internal/supervisor"
)

// ServiceContext holds every long-lived component, wired from config.
type ServiceContext struct {
	Config     *config.Config
	Store      *store.Store
	Recorder   *recorder.Recorder
	Engine     engine.Engine
	Supervisor *supervisor.Supervisor
	Delivery   *delivery.Router
	Dispatcher *dispatcher.Dispatcher
	Tasks      *TaskService
}

func NewServiceContext(cfg *config.Config, conn *gorm.DB, logger *slog.Logger) (*ServiceContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := afero.NewOsFs()

	st := store.New(conn, store.WithLogger(logger))
	rec := recorder.New(st, fs, logger)

	eng, err := NewEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(eng, rec, supervisor.Config{
		OutputsRoot: cfg.Paths.Outputs,
		PromptsDir:  cfg.Paths.Prompts,
		GracePeriod: cfg.Worker.GracePeriod,
		Profiles:    Profiles(cfg.Limits),
	}, logger)

	router := delivery.NewRouter(rec, fs, logger)
	var deliveryBudget time.Duration
	for name, ch := range cfg.Delivery.Channels {
		c := delivery.NewCommandChannel(ch.Command, ch.Args, ch.Timeout)
		router.Register(name, c)
		// channels run one after another
		deliveryBudget += c.Timeout
	}
	if deliveryBudget > 0 {
		deliveryBudget += time.Minute
	}

	policy := retry.New(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, retry.WithJitterFraction(cfg.Retry.JitterFraction))
	disp := dispatcher.New(dispatcher.Config{
		WorkerID:        cfg.Worker.ID,
		MaxConcurrent:   cfg.Worker.MaxConcurrent,
		PollInterval:    cfg.Worker.PollInterval,
		SweepInterval:   cfg.Worker.SweepInterval,
		StaleSlack:      cfg.Worker.StaleSlack,
		DeliveryTimeout: deliveryBudget,
	}, st, sup, rec, policy, dispatcher.WithGateway(router), dispatcher.WithLogger(logger))

	logger.Info("components ready",
		"engine", eng.Name(),
		"delivery_channels", router.Channels(),
		"worker_id", cfg.Worker.ID,
	)
	return &ServiceContext{
		Config:     cfg,
		Store:      st,
		Recorder:   rec,
		Engine:     eng,
		Supervisor: sup,
		Delivery:   router,
		Dispatcher: disp,
		Tasks:      NewTaskService(st, disp, cfg.Worker.MaxAttempts, logger),
	}, nil
}

// NewEngine builds the configured engine.
func NewEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Kind {
	case "", "cli":
		return engine.NewCLI(cfg.CLI.Binary, cfg.CLI.ExtraArgs, cfg.CLI.Env, cfg.CLI.UnsetEnv), nil
	case "workflow":
		w := cfg.Workflow
		return engine.NewWorkflow(w.BaseURL, w.APIKey, w.ResponseMode, w.PromptKey, w.OutputKey, w.User, w.Timeout), nil
	}
	return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
}

// Profiles applies the configured per-type limits to the built-in profiles.
func Profiles(limits map[string]config.LimitConfig) supervisor.Profiles {
	p := supervisor.DefaultProfiles()
	for _, typ := range model.TaskTypes {
		if l, ok := limits[string(typ)]; ok {
			p = p.WithBudget(typ, supervisor.Budget{Timeout: l.Timeout, MaxTurns: l.MaxTurns})
		}
	}
	return p
}
