// Program apiforge serves a generic REST API generated from a declarative
// entity definition.
package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/backend"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/logger"
)

// Service is the process configuration, decoded from the environment. A
// .env file is honored for local development.
type Service struct {
	Postgres     string `env:"POSTGRES,required"`
	Schema       string `env:"POSTGRES_SCHEMA,default=apiforge"`
	Definition   string `env:"DEFINITION_FILE,default=definition.json"`
	Port         string `env:"PORT,default=3000"`
	JwtSecret    string `env:"JWT_SECRET,default="`
	JwtIssuer    string `env:"JWT_ISSUER,default="`
	KafkaBrokers string `env:"KAFKA_BROKERS,default="`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=apiforge-audit"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	UpdateSchema bool   `env:"UPDATE_SCHEMA,default=true"`
}

func main() {
	_ = godotenv.Load()

	var service Service
	envdecode.MustDecode(&service)

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)

	definition, err := os.ReadFile(service.Definition)
	if err != nil {
		logrus.Fatalln("cannot read definition:", err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.Schema)
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if service.JwtSecret != "" {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Secret: service.JwtSecret,
			Issuer: service.JwtIssuer,
		}))
	}

	var notifier backend.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := backend.NewKafkaNotifier(
			strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	_, err = backend.New(&backend.Builder{
		Definition:   string(definition),
		DB:           db,
		Router:       router,
		Notifier:     notifier,
		UpdateSchema: service.UpdateSchema,
	})
	if err != nil {
		logrus.Fatalln("cannot create backend:", err)
	}

	handler := handlers.CompressHandler(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	)(router))

	logrus.Infoln("listening on port", service.Port)
	logrus.Fatalln(http.ListenAndServe(":"+service.Port, handler))
}
