// Command token mints credentials for a tinyapi backend: temporary
// login keys for users and signed JWTs for backend services.
//
// Issue a temporary key, to be exchanged at /auth/token within a minute:
//
//	POSTGRES="host=localhost ..." token -user alice
//
// Mint a service token:
//
//	JWT_SECRET=... token -service mailer -expiry 720h
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/csql"
)

// Config holds the credentials this tool needs
type Config struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password to the Postgres DB"`
	JWTSecret        string `env:"JWT_SECRET" description:"shared secret for service tokens"`
}

var (
	serviceName = flag.String("service", "", "mint a service token for this service name")
	userID      = flag.String("user", "", "issue a temporary login key for this user")
	expiry      = flag.Duration("expiry", 24*time.Hour, "service token lifetime, 0 for no expiry")
)

func main() {
	flag.Parse()

	var config Config
	if err := envdecode.Decode(&config); err != nil {
		fail("cannot read environment: %v", err)
	}

	switch {
	case *serviceName != "":
		if config.JWTSecret == "" {
			fail("JWT_SECRET must be set to mint service tokens")
		}
		token, err := access.NewServiceToken([]byte(config.JWTSecret), *serviceName, *expiry)
		if err != nil {
			fail("cannot sign service token: %v", err)
		}
		fmt.Println(token)

	case *userID != "":
		if config.Postgres == "" {
			fail("POSTGRES must be set to issue temporary keys")
		}
		db := csql.OpenWithSchema(config.Postgres, config.PostgresPassword, "tinyapi")
		defer db.Close()
		key, err := access.NewStore(db).IssueTempKey(context.Background(), *userID)
		if err != nil {
			fail("cannot issue temporary key: %v", err)
		}
		fmt.Println(key)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
