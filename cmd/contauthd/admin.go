package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"contauth/internal/config"
	"contauth/internal/identity"
	"contauth/internal/logging"
	"contauth/internal/notify"
	"contauth/internal/store"
)

func cmdAddUser(args []string) {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	name := fs.String("name", "", "Full name")
	email := fs.String("email", "", "Email address")
	role := fs.String("role", "", "Role")
	department := fs.String("department", "", "Department")
	fs.Parse(args)

	_, cfg := loadConfig(*configPath)
	if cfg.Storage.Type != "sqlite" {
		fatal("adduser needs sqlite storage; memory storage does not outlive this command")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}

	// password comes from stdin so it stays out of shell history
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && password == "" {
		fatal("read password: %v", err)
	}
	password = strings.TrimRight(password, "\r\n")

	st, err := openStore(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer st.Close()

	acct, err := identity.NewService(st, cfg.Accounts).Register(context.Background(), identity.Registration{
		Name:       *name,
		Email:      *email,
		Password:   password,
		Role:       *role,
		Department: *department,
	})
	if err != nil {
		st.Close()
		fatal("register: %v", err)
	}
	fmt.Printf("Registered %s (%s, %s)\n", acct.Email, acct.Role, acct.ID)
}

func cmdEnrollment(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: contauthd enrollment <verify|reseal> [-config path]")
		os.Exit(1)
	}
	op := args[0]

	fs := flag.NewFlagSet("enrollment "+op, flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args[1:])

	_, cfg := loadConfig(*configPath)
	if cfg.Storage.Type != "sqlite" {
		fatal("enrollment commands need sqlite storage")
	}
	st, err := openStore(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer st.Close()
	ctx := context.Background()

	switch op {
	case "verify":
		if !st.Sealed() {
			fmt.Println("No seal key configured; templates are not sealed.")
			return
		}
		tampered, err := st.VerifyTemplates(ctx)
		if err != nil {
			st.Close()
			fatal("verify: %v", err)
		}
		if len(tampered) == 0 {
			fmt.Println("All enrollment templates verified.")
			return
		}
		fmt.Printf("%d template(s) failed verification:\n", len(tampered))
		for _, ref := range tampered {
			fmt.Printf("  %s  %s\n", ref.UserID, ref.Modality)
		}
		st.Close()
		os.Exit(2)

	case "reseal":
		n, err := st.Reseal(ctx)
		if err != nil {
			st.Close()
			fatal("reseal: %v", err)
		}
		fmt.Printf("Resealed %d template(s).\n", n)

	default:
		st.Close()
		fatal("unknown enrollment command %q", op)
	}
}

func cmdDB(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: contauthd db <status|migrate|rollback> [-config path]")
		os.Exit(1)
	}
	op := args[0]

	fs := flag.NewFlagSet("db "+op, flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args[1:])

	_, cfg := loadConfig(*configPath)
	if cfg.Storage.Type != "sqlite" {
		fatal("db commands need sqlite storage")
	}
	opts, err := storeOptions(cfg)
	if err != nil {
		fatal("%v", err)
	}
	// open as found so status and rollback see the real schema
	opts.NoMigrate = true
	st, err := store.Open(cfg.Storage.Path, opts)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	switch op {
	case "status":
		status, err := st.SchemaStatus(ctx)
		if err != nil {
			st.Close()
			fatal("status: %v", err)
		}
		fmt.Printf("Schema version %d of %d\n", status.Version, status.Latest)
		for _, step := range status.Applied {
			fmt.Printf("  applied  v%d  %-12s %s\n", step.Version, step.Name, step.AppliedAt.Format(time.RFC3339))
		}
		for _, name := range status.Pending() {
			fmt.Printf("  pending      %s\n", name)
		}

	case "migrate":
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			fatal("migrate: %v", err)
		}
		fmt.Printf("Schema is at version %d.\n", store.LatestSchemaVersion())

	case "rollback":
		v, err := st.Rollback(ctx)
		if err != nil {
			st.Close()
			fatal("rollback: %v", err)
		}
		fmt.Printf("Schema rolled back to version %d.\n", v)

	default:
		st.Close()
		fatal("unknown db command %q", op)
	}
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: contauthd config <init|check> [-config path]")
		os.Exit(1)
	}
	op := args[0]

	fs := flag.NewFlagSet("config "+op, flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	force := fs.Bool("force", false, "Overwrite an existing file (init)")
	fs.Parse(args[1:])

	switch op {
	case "init":
		path := *configPath
		if path == "" {
			path = config.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !*force {
			fatal("%s exists; use -force to overwrite", path)
		}
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Wrote %s\n", path)

	case "check":
		_, cfg := loadConfig(*configPath)
		changed := config.ChangedSections(config.DefaultConfig(), cfg)
		fmt.Println("Configuration is valid.")
		if len(changed) > 0 {
			fmt.Printf("Sections changed from defaults: %s\n", strings.Join(changed, ", "))
		}

	default:
		fatal("unknown config command %q", op)
	}
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	samples := fs.Bool("samples", false, "Include every scored window")
	raw := fs.Bool("json", false, "Print events as JSON lines")
	fs.Parse(args)

	_, cfg := loadConfig(*configPath)
	if !cfg.Redis.Enabled {
		fatal("redis is disabled in the configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := notify.NewGoRedisAdapter(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		fatal("%v", err)
	}
	defer client.Close()

	types := []notify.EventType{notify.EventAnomaly, notify.EventReauthRequired, notify.EventSessionEnded}
	if *samples {
		types = notify.EventTypes
	}

	out := json.NewEncoder(os.Stdout)
	unsubscribe, err := notify.Subscribe(ctx, client, cfg.Redis.Prefix, types, func(ev notify.Event) {
		if *raw {
			out.Encode(ev)
			return
		}
		fmt.Printf("%s  %-16s session=%s user=%s %s\n",
			ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.SessionID, ev.UserID, ev.Data)
	}, logging.Default().Logger)
	if err != nil {
		client.Close()
		fatal("subscribe: %v", err)
	}
	defer unsubscribe()

	fmt.Fprintf(os.Stderr, "Watching %s* on %s (Ctrl-C to stop)\n", cfg.Redis.Prefix, cfg.Redis.Addr)
	<-ctx.Done()
}
