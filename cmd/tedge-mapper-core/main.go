/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package main

func main() {
	Execute()
}
