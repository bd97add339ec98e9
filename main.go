// The main package for the mindshare-crawler executable.
package main

import (
	"github.com/llmrank/mindshare-crawler/cmd"
)

func main() {
	cmd.Execute()
}
