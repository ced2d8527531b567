// Tether keeps a notebook client bound to its preferred assigned Jupyter
// server.
package main

func main() {
	Execute()
}
