// sendtestnotification pushes one message to a single device token through
// the same build, token and dispatch path the service uses, then prints the
// outcome. It exits non-zero when the gateway does not accept the message.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tinywideclouds/go-push-delivery/internal/auth"
	"github.com/tinywideclouds/go-push-delivery/internal/credential"
	"github.com/tinywideclouds/go-push-delivery/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

var errNotDelivered = errors.New("notification was not delivered")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	credentials string
	endpoint    string
	token       string
	title       string
	body        string
	kind        string
	platform    string
	data        []string
	timeout     time.Duration
	verbose     bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("sendtestnotification", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.credentials, "credentials", os.Getenv("FCM_SERVICE_ACCOUNT_PATH"), "path to the service account JSON key")
	flagSet.StringVar(&opts.endpoint, "endpoint", fcm.DefaultEndpoint, "gateway base URL")
	flagSet.StringVar(&opts.token, "token", "", "device registration token (required)")
	flagSet.StringVar(&opts.title, "title", "Test notification", "notification title")
	flagSet.StringVar(&opts.body, "body", "This is a test notification.", "notification body")
	flagSet.StringVar(&opts.kind, "type", "test_notification", "notification type tag carried in the data section")
	flagSet.StringVar(&opts.platform, "platform", "", "target platform: android, ios or web (default: all blocks)")
	flagSet.StringArrayVar(&opts.data, "data", nil, "extra data entry as key=value (repeatable)")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline for the send")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log retries and token exchanges to stderr")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.credentials == "" {
		return errors.New("--credentials is required (or set FCM_SERVICE_ACCOUNT_PATH)")
	}
	if opts.token == "" {
		return errors.New("--token is required")
	}

	data, err := parseData(opts.data)
	if err != nil {
		return err
	}
	platform, err := dispatch.ParsePlatform(opts.platform)
	if err != nil {
		return err
	}
	n, err := dispatch.NewNotification(opts.title, opts.body, opts.kind, data, platform)
	if err != nil {
		return err
	}

	level := slog.LevelError
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cred, err := credential.LoadFile(opts.credentials)
	if err != nil {
		return err
	}

	msg, err := fcm.NewBuilder(0).Build(n.For("cli"), dispatch.DeviceRegistration{
		Token:    opts.token,
		Platform: platform,
		Valid:    true,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	tokens := auth.NewTokenProvider(cred, logger)
	dispatcher := fcm.NewDispatcher(fcm.Config{
		Endpoint:  opts.endpoint,
		ProjectID: cred.ProjectID(),
		Retry:     fcm.DefaultRetryPolicy(),
	}, tokens, logger)

	out := dispatcher.Send(ctx, msg, nil)

	fmt.Fprintf(stdout, "class:      %s\n", out.Class)
	fmt.Fprintf(stdout, "attempts:   %d\n", out.Attempts)
	if out.StatusCode != 0 {
		fmt.Fprintf(stdout, "status:     %d\n", out.StatusCode)
	}
	if out.MessageID != "" {
		fmt.Fprintf(stdout, "message_id: %s\n", out.MessageID)
	}
	if out.Err != nil {
		fmt.Fprintf(stdout, "error:      %v\n", out.Err)
	}

	if !out.Succeeded() {
		return fmt.Errorf("%w: %s", errNotDelivered, out.Class)
	}
	return nil
}

// parseData turns repeated key=value flags into a data map. Later keys win.
func parseData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--data %q: expected key=value", p)
		}
		data[k] = v
	}
	return data, nil
}
