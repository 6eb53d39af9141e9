// Command tokengen mints session tokens for local development.
//
//	go run ./cmd/tools/tokengen -user alice -ttl 24h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/gemish/backend/internal/auth"
)

func main() {
	user := flag.String("user", "", "user id placed in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := flag.String("secret", "", "signing secret (defaults to AUTH_SECRET)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] no .env loaded, using system environment: %v", err)
	}

	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("AUTH_SECRET"))
	}
	if *user == "" {
		log.Fatal("-user is required")
	}

	verifier, err := auth.NewVerifier(key, "")
	if err != nil {
		log.Fatalf("cannot sign tokens: %v", err)
	}

	token, err := verifier.IssueToken(*user, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
