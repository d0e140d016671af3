// ./main.go
package main

import (
	"github.com/xkilldash9x/h2reactor/cmd"
)

func main() {
	cmd.Execute()
}
