// opsgatectl is the operator CLI for the opsgate gateway: propose a mutation,
// inspect the staged confirmation, execute it after human approval, and mint
// identity tokens for hmac deployments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"opsgate/pkg/agentsdk"
	"opsgate/pkg/events"
	"opsgate/pkg/identity"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "propose":
		return propose(args[1:], out)
	case "execute":
		return execute(args[1:], out)
	case "confirmation":
		return confirmation(args[1:], out)
	case "mint-token":
		return mintToken(args[1:], out)
	case "tail":
		return tail(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "opsgatectl commands:")
	fmt.Fprintln(out, "  propose --action approve_expense_report --entity-id exp-1 [--notes ...] [--reason ...] [--payment-ref ...]")
	fmt.Fprintln(out, "  execute --action approve_expense_report --confirmation-id <uuid>")
	fmt.Fprintln(out, "  confirmation --id <uuid>")
	fmt.Fprintln(out, "  mint-token --user-id u-1 --roles finance-write --secret <secret> [--ttl 15m]")
	fmt.Fprintln(out, "  tail --brokers localhost:9092 --topic opsgate.mutations [--group g] [--limit n]")
	fmt.Fprintln(out, "identity flags (or OPSGATE_URL / OPSGATE_TOKEN env):")
	fmt.Fprintln(out, "  --gateway http://localhost:8080 --user-id u-1 --roles finance-write,executive --department fin-3")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type clientFlags struct {
	gateway    *string
	token      *string
	userID     *string
	username   *string
	roles      *string
	email      *string
	department *string
	manager    *string
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		gateway:    fs.String("gateway", envDefault("OPSGATE_URL", "http://localhost:8080"), "gateway base URL"),
		token:      fs.String("token", os.Getenv("OPSGATE_TOKEN"), "bearer token for hmac deployments"),
		userID:     fs.String("user-id", "", "caller user id"),
		username:   fs.String("username", "", "caller username"),
		roles:      fs.String("roles", "", "comma-separated caller roles"),
		email:      fs.String("email", "", "caller email"),
		department: fs.String("department", "", "caller department id"),
		manager:    fs.String("manager", "", "caller manager id"),
	}
}

func (cf clientFlags) client() *agentsdk.Client {
	c := agentsdk.NewClient(*cf.gateway, 10*time.Second)
	c.AuthToken = strings.TrimSpace(*cf.token)
	if caller := cf.caller(); caller.UserID != "" {
		c.Caller = &caller
	}
	return c
}

func (cf clientFlags) caller() identity.CallerContext {
	return identity.CallerContext{
		UserID:       strings.TrimSpace(*cf.userID),
		Username:     strings.TrimSpace(*cf.username),
		Roles:        splitRoles(*cf.roles),
		Email:        strings.TrimSpace(*cf.email),
		DepartmentID: strings.TrimSpace(*cf.department),
		ManagerID:    strings.TrimSpace(*cf.manager),
	}
}

func propose(args []string, out io.Writer) error {
	fs := newFlagSet("propose")
	cf := registerClientFlags(fs)
	action := fs.String("action", "", "tool action, e.g. approve_expense_report")
	entityID := fs.String("entity-id", "", "target entity id")
	notes := fs.String("notes", "", "approval notes")
	reason := fs.String("reason", "", "rejection or cancellation reason")
	paymentRef := fs.String("payment-ref", "", "payment reference")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" {
		return errors.New("--action is required")
	}
	resp, err := cf.client().Propose(context.Background(), *action, agentsdk.ProposeRequest{
		EntityID:   *entityID,
		Notes:      *notes,
		Reason:     *reason,
		PaymentRef: *paymentRef,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Message)
	fmt.Fprintf(out, "confirmation id: %s\n", resp.ConfirmationID)
	return nil
}

func execute(args []string, out io.Writer) error {
	fs := newFlagSet("execute")
	cf := registerClientFlags(fs)
	action := fs.String("action", "", "tool action the confirmation was staged for")
	confirmationID := fs.String("confirmation-id", "", "confirmation id from propose")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" || *confirmationID == "" {
		return errors.New("--action and --confirmation-id are required")
	}
	result, err := cf.client().Execute(context.Background(), *action, *confirmationID, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, result.Message)
	return nil
}

func confirmation(args []string, out io.Writer) error {
	fs := newFlagSet("confirmation")
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "confirmation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}
	pending, err := cf.client().Confirmation(context.Background(), *id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pending)
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	cf := registerClientFlags(fs)
	secret := fs.String("secret", os.Getenv("IDENTITY_HMAC_SECRET"), "HMAC signing secret")
	ttl := fs.Duration("ttl", 15*time.Minute, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("--secret or IDENTITY_HMAC_SECRET is required")
	}
	token, err := identity.MintToken(cf.caller(), *secret, *ttl, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

type mutationReader interface {
	Read(ctx context.Context) (events.MutationRecord, error)
	Close() error
}

// Swapped in tests.
var openConsumer = func(cfg events.KafkaConfig) (mutationReader, error) {
	return events.NewConsumer(cfg)
}

// tail follows the mutation topic and prints each applied change as a JSON
// line, for reconciliation against the audit trail.
func tail(args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", envDefault("KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
	topic := fs.String("topic", envDefault("KAFKA_TOPIC", "opsgate.mutations"), "mutation topic")
	group := fs.String("group", "opsgatectl-tail", "consumer group id")
	limit := fs.Int("limit", 0, "stop after this many records (0 = run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := openConsumer(events.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	enc := json.NewEncoder(out)
	for n := 0; *limit <= 0 || n < *limit; n++ {
		rec, err := consumer.Read(context.Background())
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func splitRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
