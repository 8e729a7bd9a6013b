package logging

import (
	"log"
	"os"
)

var (
	Storage  = log.New(os.Stdout, "[storage] ", log.LstdFlags)
	Registry = log.New(os.Stdout, "[registry] ", log.LstdFlags)
	Cleanup  = log.New(os.Stdout, "[cleanup] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
