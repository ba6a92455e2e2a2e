package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/acorn-io/acorn-ddns/pkg/publisher"
	"github.com/acorn-io/acorn-ddns/pkg/rand"
	"github.com/acorn-io/acorn-ddns/pkg/updater"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

const defaultHostTTL = 60

func adminCommand(name, usage, argsUsage string, action cli.ActionFunc, flags ...cli.Flag) *cli.Command {
	flags = append(flags, databaseFlags()...)
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Action:    action,
		Flags:     append(flags, GlobalFlags()...),
		Before:    Before,
	}
}

// subdomainArg reads and validates the single host argument.
func subdomainArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one host name argument")
	}
	return updater.SubdomainFromHostname(c.Args().First(), updater.NormalizeZone(c.String("zone")))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func fqdn(c *cli.Context, subdomain string) string {
	return subdomain + "." + strings.TrimSuffix(updater.NormalizeZone(c.String("zone")), ".")
}

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "manage hosts",
		Subcommands: []*cli.Command{
			adminCommand("create", "create a host and print its update token", "NAME", createHost,
				&cli.StringFlag{Name: "owner", Usage: "owning account identifier", Required: true},
				&cli.StringFlag{Name: "description", Usage: "free form description"},
				&cli.IntFlag{Name: "ttl", Usage: "record TTL in seconds", Value: defaultHostTTL},
				&cli.BoolFlag{Name: "inactive", Usage: "create the host disabled"},
			),
			adminCommand("rotate-token", "replace a host's update token", "NAME", rotateToken),
			adminCommand("set-password", "set a host's Basic auth username and password", "NAME", setPassword,
				&cli.StringFlag{Name: "username", Required: true},
				&cli.StringFlag{Name: "password", Usage: "generated when empty", EnvVars: []string{"DDNS_HOST_PASSWORD"}},
			),
			adminCommand("delete", "delete a host and retract its published records", "NAME", deleteHost, route53Flag()),
			adminCommand("publish", "publish a host's records to Route53", "NAME", publishHost, route53Flag()),
		},
	}
}

func route53Flag() cli.Flag {
	return &cli.StringFlag{
		Name:    "route53-zone-id",
		Usage:   "Route53 hosted zone the host's records are published in",
		EnvVars: []string{"DDNS_ROUTE53_ZONE_ID", "ROUTE53_ZONE_ID"},
	}
}

func createHost(c *cli.Context) error {
	ctx := context.Background()
	subdomain, err := subdomainArg(c)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	token, err := rand.Token()
	if err != nil {
		return err
	}
	host := db.Host{
		Subdomain:   subdomain,
		OwnerID:     c.String("owner"),
		Description: c.String("description"),
		Token:       token,
		TTL:         c.Int("ttl"),
		Active:      !c.Bool("inactive"),
	}
	if err := database.CreateHost(ctx, &host); err != nil {
		return fmt.Errorf("creating host %s: %w", subdomain, err)
	}

	logrus.WithField("subdomain", subdomain).Info("host created")
	return printJSON(model.HostCredentials{
		Subdomain: subdomain,
		FQDN:      fqdn(c, subdomain),
		Token:     host.Token,
	})
}

func rotateToken(c *cli.Context) error {
	ctx := context.Background()
	subdomain, err := subdomainArg(c)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	token, err := rand.Token()
	if err != nil {
		return err
	}
	if err := database.RotateToken(ctx, subdomain, token); err != nil {
		return fmt.Errorf("rotating token of %s: %w", subdomain, err)
	}
	return printJSON(model.HostCredentials{
		Subdomain: subdomain,
		FQDN:      fqdn(c, subdomain),
		Token:     token,
	})
}

func setPassword(c *cli.Context) error {
	ctx := context.Background()
	subdomain, err := subdomainArg(c)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	password := c.String("password")
	generated := password == ""
	if generated {
		if password, err = rand.Token(); err != nil {
			return err
		}
	}
	hash, err := hashSecret(password)
	if err != nil {
		return err
	}
	if err := database.SetHostCredential(ctx, subdomain, c.String("username"), hash); err != nil {
		return fmt.Errorf("setting credential of %s: %w", subdomain, err)
	}

	if generated {
		fmt.Println(password)
	}
	return nil
}

func deleteHost(c *cli.Context) error {
	ctx := context.Background()
	subdomain, err := subdomainArg(c)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	host, err := database.DeleteHost(ctx, subdomain)
	if err != nil {
		return fmt.Errorf("deleting host %s: %w", subdomain, err)
	}
	logrus.WithField("subdomain", host.Subdomain).Info("host deleted")

	zoneID := c.String("route53-zone-id")
	if zoneID == "" {
		return nil
	}
	pub, err := publisher.New(ctx, zoneID, database, logrus.WithField("component", "publisher"))
	if err != nil {
		return err
	}
	// The host is already gone, so a failure here only leaves a record the
	// purger will collect.
	if err := pub.Retract(ctx, host.Subdomain); err != nil {
		logrus.WithError(err).Warn("retracting published records")
	}
	return nil
}

func publishHost(c *cli.Context) error {
	ctx := context.Background()
	subdomain, err := subdomainArg(c)
	if err != nil {
		return err
	}
	zoneID := c.String("route53-zone-id")
	if zoneID == "" {
		return fmt.Errorf("--route53-zone-id is required")
	}
	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	pub, err := publisher.New(ctx, zoneID, database, logrus.WithField("component", "publisher"))
	if err != nil {
		return err
	}
	return pub.Sync(ctx, subdomain)
}
