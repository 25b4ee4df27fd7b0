package main

import (
	"nvtune/internal/nvtune"
)

func main() {
	nvtune.ParseCmdArgs()
}
