// Command hash-secret prints bcrypt hashes for api.key_hashes and
// intake.users. Secrets come from the arguments, or one per line on stdin.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sungwon/mailqueue/internal/auth"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hash-secret: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	secrets := args
	if len(secrets) == 0 {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				secrets = append(secrets, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read secrets: %w", err)
		}
	}
	if len(secrets) == 0 {
		return errors.New("no secrets given")
	}

	for _, secret := range secrets {
		hash, err := auth.HashPassword(secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
	}
	return nil
}
