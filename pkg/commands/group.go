package commands

import (
	"context"
	"fmt"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/rand"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func groupCommand() *cli.Command {
	return &cli.Command{
		Name:  "group",
		Usage: "manage shared Basic auth logins",
		Subcommands: []*cli.Command{
			adminCommand("create", "create a login that may update every host of an owner", "LOGIN", createGroup,
				&cli.StringFlag{Name: "owner", Usage: "owning account identifier", Required: true},
				&cli.StringFlag{Name: "password", Usage: "generated when empty", EnvVars: []string{"DDNS_GROUP_PASSWORD"}},
			),
		},
	}
}

func createGroup(c *cli.Context) error {
	ctx := context.Background()
	if c.NArg() != 1 || c.Args().First() == "" {
		return fmt.Errorf("expected exactly one login argument")
	}
	login := c.Args().First()

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

	group := db.CredentialGroup{
		Login:        login,
		OwnerID:      c.String("owner"),
		PasswordHash: hash,
	}
	if err := database.CreateCredentialGroup(ctx, &group); err != nil {
		return fmt.Errorf("creating group %s: %w", login, err)
	}
	logrus.WithField("login", login).Info("credential group created")

	if generated {
		fmt.Println(password)
	}
	return nil
}
