package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/backend"
	"github.com/relabs-tech/tinyapi/core/csql"
	"github.com/relabs-tech/tinyapi/core/logger"
	"github.com/relabs-tech/tinyapi/core/notifier/kafka"
	"github.com/relabs-tech/tinyapi/core/registry"
)

var configurationJSON string = `
{
	"allowed_origins": [],
	"resources": []
}
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password to the Postgres DB"`
	Port             string `env:"PORT,default=3000" description:"the port this service listens on"`
	Configuration    string `env:"CONFIGURATION" description:"backend configuration JSON, overrides the built-in default"`
	JWTSecret        string `env:"JWT_SECRET" description:"shared secret for service tokens, disabled when empty"`
	KafkaBrokers     string `env:"KAFKA_BROKERS" description:"comma-separated Kafka brokers for mutation notifications, disabled when empty"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=tinyapi-mutations" description:"Kafka topic for mutation notifications"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "tinyapi")
	defer db.Close()
	if err := db.Migrate(); err != nil {
		panic(err)
	}

	reg := registry.New(db).Accessor("tinyapi")
	if err := reg.Write(context.Background(), "last_startup", time.Now().UTC()); err != nil {
		rlog.WithError(err).Warnln("cannot record startup in registry")
	}

	var notifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := kafka.NewNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	configuration := configurationJSON
	if service.Configuration != "" {
		configuration = service.Configuration
	}

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		Config:   configuration,
		DB:       db,
		Router:   router,
		Notifier: notifier,
		JWTKey:   []byte(service.JWTSecret),
	})

	rlog.Infoln("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, router)
}
