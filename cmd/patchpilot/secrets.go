package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"patchpilot/pkg/config"
)

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the encrypted API key file",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a secret (the value is read from stdin)",
				ArgsUsage: "NAME",
				Action:    setSecret,
			},
			{
				Name:   "list",
				Usage:  "List stored secret names",
				Action: listSecrets,
			},
		},
	}
}

func workspaceRoot(c *cli.Context) (string, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return "", err
	}
	return cfg.Workspace.Root, nil
}

func setSecret(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("secrets set needs a NAME, e.g. ANTHROPIC_API_KEY", 2)
	}
	root, err := workspaceRoot(c)
	if err != nil {
		return err
	}

	value, err := readSecretValue(name)
	if err != nil {
		return err
	}

	existing := config.SecretsFileExists(root)
	password, err := secretsPassword(!existing)
	if err != nil {
		return err
	}
	values := map[string]string{}
	if existing {
		if values, err = config.DecryptSecretsFile(root, password); err != nil {
			return err
		}
	}
	secrets := config.NewSecrets(values)
	secrets.Set(name, value)
	if err := secrets.Save(root, password); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "saved %s to %s/%s\n", name, config.ProjectDir, config.SecretsFilename)
	return nil
}

// readSecretValue prompts without echo on a terminal and reads one line
// from stdin otherwise.
func readSecretValue(name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "%s: ", name)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s from stdin: %w", name, err)
	}
	return strings.TrimSpace(line), nil
}

func listSecrets(c *cli.Context) error {
	root, err := workspaceRoot(c)
	if err != nil {
		return err
	}
	if !config.SecretsFileExists(root) {
		fmt.Fprintln(c.App.Writer, "no secrets file")
		return nil
	}
	secrets, err := loadSecrets(root)
	if err != nil {
		return err
	}
	for _, n := range secrets.Names() {
		fmt.Fprintln(c.App.Writer, n)
	}
	return nil
}
