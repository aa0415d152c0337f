// studyctl - terminal client for the StudyHub tutor
package main

import (
	"os"

	"github.com/ashureev/studyhub/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
