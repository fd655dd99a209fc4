// Command processional serves, calls and inspects processional slaves.
package main

func main() {
	Execute()
}
