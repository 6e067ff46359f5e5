package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/cmd/bootstrap"
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"gorm.io/gorm"
)

const usage = `Usage: dispatchctl [-mode env] <command> [flags]

Commands:
  create  -id <dispatcherId> -name <name> -role <observer|dispatcher|supervisor>
  disable -key <apiKey>
  enable  -key <apiKey>
  list    -id <dispatcherId>
  audit   [-call <callId>] [-after <seq>] [-limit <n>]
`

func main() {
	// 1. Parse command line arguments
	mode := flag.String("mode", "", "Running environment (development, test, production)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	// 2. Set environment variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 3. Load configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}

	// 4. Initialize logging
	if err := logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 5. Open database
	db, err := bootstrap.SetupDatabase(io.Discard, &bootstrap.Options{AutoMigrate: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database setup failed: %v\n", err)
		os.Exit(1)
	}

	if err := run(db, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

func run(db *gorm.DB, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	id := fs.String("id", "", "dispatcher id")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(auth.RoleDispatcher), "observer, dispatcher or supervisor")
	key := fs.String("key", "", "apiKey")
	call := fs.String("call", "", "call id")
	after := fs.Uint64("after", 0, "only entries after this sequence")
	limit := fs.Int("limit", 100, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "create":
		cred, secret, err := models.CreateDispatcherCredential(db, *id, *name, auth.Role(*role))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "dispatcherId: %s\nrole:         %s\napiKey:       %s\napiSecret:    %s\n", cred.DispatcherID, cred.Role, cred.APIKey, secret)
		fmt.Fprintln(out, "the secret is not stored and cannot be shown again")
		return nil
	case "disable", "enable":
		if *key == "" {
			return fmt.Errorf("-key is required")
		}
		if err := models.SetDispatcherCredentialEnabled(db, *key, cmd == "enable"); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %sd\n", *key, cmd)
		return nil
	case "list":
		if *id == "" {
			return fmt.Errorf("-id is required")
		}
		creds, err := models.ListDispatcherCredentials(db, *id)
		if err != nil {
			return err
		}
		return printJSON(out, creds)
	case "audit":
		entries, err := models.NewGormAuditSink(db).Query(context.Background(), dispatch.AuditQuery{
			CallID:   *call,
			AfterSeq: *after,
			Limit:    *limit,
		})
		if err != nil {
			return err
		}
		return printJSON(out, entries)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
