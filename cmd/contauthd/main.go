// contauthd - continuous behavioral authentication daemon
//
//	contauthd serve              Run the API server and session scorer
//	contauthd adduser            Register an account from the command line
//	contauthd enrollment <op>    Verify or reseal stored biometric templates
//	contauthd db <op>            Show, apply or roll back the database schema
//	contauthd config <op>        Write or check the configuration file
//	contauthd watch              Print session events from Redis
//	contauthd version            Print the version
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"contauth/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		cmdServe(args)
	case "adduser":
		cmdAddUser(args)
	case "enrollment":
		cmdEnrollment(args)
	case "db":
		cmdDB(args)
	case "config":
		cmdConfig(args)
	case "watch":
		cmdWatch(args)
	case "version":
		fmt.Printf("contauthd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf(`contauthd - Continuous Behavioral Authentication

USAGE:
    contauthd <command> [options]

COMMANDS:
    serve                   Run the API server and session scorer
    adduser                 Register an account
    enrollment verify       Check stored biometric templates for tampering
    enrollment reseal       Recompute template seals with the configured key
    db status               Show the database schema version and pending steps
    db migrate              Apply pending schema steps
    db rollback             Revert the newest schema step (for downgrades)
    config init             Write a default configuration file
    config check            Validate the configuration and print changes from defaults
    watch                   Print anomaly and session events published to Redis
    version                 Print the version
    help                    Show this help message

Every command accepts -config <path>. Without it the first of
%s is used, then built-in defaults.
Settings can be overridden with %s* environment variables; a .env file
in the working directory is loaded first.
`, config.ConfigPath(), config.EnvPrefix)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig resolves the config path and loads it through a Loader so
// serve can keep watching the same file.
func loadConfig(path string) (*config.Loader, *config.Config) {
	if path == "" {
		path = config.FindConfigFile()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	return loader, cfg
}
