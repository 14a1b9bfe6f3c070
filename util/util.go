package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Errors aggregates several configuration errors into one.
type Errors []error

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "\n")
}

// RequireEnv returns the value of the environment variable `name`. If it is
// unset or empty, an error is appended to `errs`.
func RequireEnv(name string, errs *Errors) string {
	value := os.Getenv(name)
	if len(value) == 0 {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be set", name))
	}
	return value
}

// ValidPort turns a port number into a listen address (":8080"),
// or returns an error if it isn't a valid TCP port.
func ValidPort(port string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(port, ":"))
	if err != nil {
		return "", fmt.Errorf("given port %s is not a number", port)
	}
	if n <= 0 || n > 65535 {
		return "", fmt.Errorf("given port %s is out of range", port)
	}
	return fmt.Sprintf(":%d", n), nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(list string) []string {
	items := []string{}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}
