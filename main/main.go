package main

import (
	"flag"
	"log"
	"os"

	"github.com/mailbridge/mailbridge/mailbridge"
)

func main() {
	pconfig := flag.String("config", "",
		"Configuration JSON string, overrides MAILBRIDGE_CONFIG")

	flag.Parse()

	configStr := *pconfig
	if configStr == "" {
		configStr = os.Getenv("MAILBRIDGE_CONFIG")
	}

	config, err := mailbridge.ParseConfig(configStr)
	if err != nil {
		log.Fatal("Couldn't parse MAILBRIDGE_CONFIG string", err)
	}

	log.Fatal(mailbridge.RunServer(config))
}
