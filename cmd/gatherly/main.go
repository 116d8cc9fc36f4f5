// Command gatherly joins a Gatherly room from the terminal. Media is
// synthetic; everything else is the real mesh client.
package main

func main() {
	Execute()
}
