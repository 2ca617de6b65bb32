package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/roadwatch/dispatch-server-go/internal/auth"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: JWT_SECRET=... go run scripts/issue-token.go <user-id> [role] [ttl]\n")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: JWT_SECRET is not set\n")
		os.Exit(1)
	}

	userID, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil || userID <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid user id %q\n", os.Args[1])
		os.Exit(1)
	}

	role := model.UserRoleUser
	if len(os.Args) > 2 {
		role = model.UserRole(os.Args[2])
	}

	var ttl time.Duration
	if len(os.Args) > 3 {
		ttl, err = time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid ttl: %v\n", err)
			os.Exit(1)
		}
	}

	gate := auth.NewGate(secret, os.Getenv("JWT_ISSUER"), os.Getenv("JWT_AUDIENCE"))
	token, err := gate.Issue(userID, role, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
