package commands

import (
	"context"
	"fmt"
	"net/url"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/rand"
	"github.com/acorn-io/acorn-ddns/pkg/webhook"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func webhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "webhook",
		Usage: "manage webhook endpoints",
		Subcommands: []*cli.Command{
			adminCommand("add", "register an endpoint and print its signing secret", "URL", addWebhook,
				&cli.StringFlag{Name: "owner", Usage: "owning account identifier", Required: true},
				&cli.StringSliceFlag{Name: "event", Usage: "event to deliver, repeatable", Value: cli.NewStringSlice(webhook.EventIPUpdated)},
			),
		},
	}
}

func addWebhook(c *cli.Context) error {
	ctx := context.Background()
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one URL argument")
	}
	u, err := url.Parse(c.Args().First())
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", c.Args().First())
	}

	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	secret, err := rand.Secret()
	if err != nil {
		return err
	}
	hook := db.Webhook{
		OwnerID: c.String("owner"),
		URL:     u.String(),
		Secret:  secret,
		Events:  db.DenormalizeEvents(c.StringSlice("event")),
		Active:  true,
	}
	if err := database.CreateWebhook(ctx, &hook); err != nil {
		return fmt.Errorf("creating webhook: %w", err)
	}
	logrus.WithField("url", hook.URL).Info("webhook added")

	fmt.Println(hook.Secret)
	return nil
}
