package main

import (
	_ "grimstack.io/grim/src/admintools"
	"grimstack.io/grim/src/website"
)

func main() {
	website.WebsiteCommand.Execute()
}
