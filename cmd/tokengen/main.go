package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokengen mints a signed bearer token for local development and testing.
func main() {
	secret := flag.String("secret", "", "HMAC signing secret (JWT_SECRET)")
	user := flag.String("user", "", "User UUID (generated if omitted)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *secret == "" {
		*secret = os.Getenv("JWT_SECRET")
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "Usage: tokengen -secret <jwt-secret> [-user <uuid>] [-ttl <duration>]")
		os.Exit(1)
	}

	userID := *user
	if userID == "" {
		userID = uuid.New().String()
	} else if _, err := uuid.Parse(userID); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid user UUID: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	})

	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Signing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User:  %s\n", userID)
	fmt.Printf("Token: %s\n", signed)
}
