// Command fatigue runs eye-fatigue detection from a camera, a recording or
// a simulated signal, and serves it over HTTP and WebSocket.
package main

func main() {
	Execute()
}
