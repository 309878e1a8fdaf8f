// Command dropctl is the command line client of the orchestrator.
package main

func main() {
	Execute()
}
