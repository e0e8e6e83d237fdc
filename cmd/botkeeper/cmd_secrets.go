package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willway/botkeeper/pkg/secretstore"
)

var (
	secretsCmd = &cobra.Command{
		Use:   "secrets",
		Short: "Manage bot tokens in the encrypted secret store",
	}

	secretsSetCmd = &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a value; reads it from stdin when omitted. Reference it as secret:<key>",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSecretsSet,
	}

	secretsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE:  runSecretsList,
	}

	secretsDeleteCmd = &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a stored key",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsDelete,
	}
)

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
}

func requireSecrets() (*secretstore.Store, error) {
	ss, err := current.openSecrets()
	if err != nil {
		return nil, err
	}
	if ss == nil {
		return nil, errors.New("secret_db is not configured (set BOTKEEPER_SECRET_DB)")
	}
	return ss, nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	ss, err := requireSecrets()
	if err != nil {
		return err
	}
	key := strings.TrimPrefix(args[0], secretstore.RefPrefix)

	var val string
	if len(args) == 2 {
		val = args[1]
	} else {
		fmt.Fprint(os.Stderr, "value: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read value: %w", err)
		}
		val = strings.TrimRight(line, "\r\n")
	}
	if strings.TrimSpace(val) == "" {
		return errors.New("value is empty")
	}
	if err := ss.SetString(key, val); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %s; use \"bot_token\": \"%s%s\"\n", key, secretstore.RefPrefix, key)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	ss, err := requireSecrets()
	if err != nil {
		return err
	}
	keys, err := ss.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runSecretsDelete(cmd *cobra.Command, args []string) error {
	ss, err := requireSecrets()
	if err != nil {
		return err
	}
	return ss.Delete(strings.TrimPrefix(args[0], secretstore.RefPrefix))
}
