// Command heapctl replays allocation traces against an osmem heap and reports what the heap
// asked of the OS.
package main

func main() {
	execute()
}
