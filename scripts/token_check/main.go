package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/mercado"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Display credential status (without showing actual values)
	fmt.Println("=== Marketplace Credentials Check ===")
	fmt.Printf("Auth URL: %s\n", cfg.Mercado.AuthURL)

	clientIDSet := cfg.Mercado.ClientID != ""
	clientSecretSet := cfg.Mercado.ClientSecret != ""
	refreshTokenSet := cfg.Mercado.SeedRefreshToken != ""

	fmt.Printf("Client ID: %s\n", statusString(clientIDSet))
	fmt.Printf("Client Secret: %s\n", statusString(clientSecretSet))
	fmt.Printf("Refresh Token: %s\n", statusString(refreshTokenSet))
	fmt.Println()

	if !clientIDSet || !clientSecretSet || !refreshTokenSet {
		fmt.Println("❌ Missing required credentials. Please check your .env file for:")
		if !clientIDSet {
			fmt.Println("  - MERCADO_CLIENT_ID")
		}
		if !clientSecretSet {
			fmt.Println("  - MERCADO_CLIENT_SECRET")
		}
		if !refreshTokenSet {
			fmt.Println("  - MERCADO_REFRESH_TOKEN")
		}
		os.Exit(1)
	}

	// Perform one real refresh grant. This consumes the current refresh token
	// and prints the replacement, so run it only when rotating credentials.
	fmt.Println("Testing refresh_token grant...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := mercado.NewOAuthClient(cfg)
	token, err := client.Refresh(ctx, cfg.Mercado.SeedRefreshToken)
	if err != nil {
		fmt.Printf("❌ Refresh grant failed: %v\n", err)
		fmt.Println("\nThis indicates:")
		fmt.Println("  - Client ID or secret is incorrect")
		fmt.Println("  - The refresh token is expired or was already consumed")
		fmt.Println("  - The auth URL is wrong")
		os.Exit(1)
	}

	fmt.Println("✅ Refresh grant succeeded!")
	fmt.Printf("   Access token expires in %d seconds\n", token.ExpiresIn)
	if token.RefreshToken != "" {
		fmt.Println("   A replacement refresh token was issued; update MERCADO_REFRESH_TOKEN:")
		fmt.Printf("   %s\n", token.RefreshToken)
	}

	fmt.Println()
	fmt.Println("=== Summary ===")
	fmt.Println("✅ Marketplace credentials are VALID and working!")
}

func statusString(set bool) string {
	if set {
		return "[SET]"
	}
	return "[NOT SET]"
}
