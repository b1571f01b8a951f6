package bytepipe_test

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/corvusio/bytepipe"
)

func Example() {
	p, _ := bytepipe.New(bytepipe.WithCapacity(64), bytepipe.WithAutoFlush(true))

	message := []byte("Hello from producer!")
	received := make([]byte, len(message))

	var g errgroup.Group
	g.Go(func() error {
		defer p.Close(nil)
		return p.WriteFull(message)
	})
	g.Go(func() error {
		return p.ReadFull(received)
	})

	if err := g.Wait(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("Transferred %d bytes: %s\n", len(received), received)
	// Output:
	// Transferred 20 bytes: Hello from producer!
}

func ExampleNew() {
	p, err := bytepipe.New()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("capacity: %d\n", bytepipe.DefaultCapacity)
	fmt.Printf("available to write: %d\n", p.AvailableForWrite())
	// Output:
	// capacity: 4088
	// available to write: 4088
}

// ExamplePipe_JoinFrom splices src's output into dst: bytes written to src
// are streamed into dst instead of landing in src's own ring.
func ExamplePipe_JoinFrom() {
	src, _ := bytepipe.New(bytepipe.WithCapacity(32), bytepipe.WithAutoFlush(true))
	dst, _ := bytepipe.New(bytepipe.WithCapacity(32), bytepipe.WithAutoFlush(true))

	received := make([]byte, 5)
	var g errgroup.Group
	g.Go(func() error {
		if err := src.WriteFull([]byte("hello")); err != nil {
			return err
		}
		src.Close(nil)
		return nil
	})
	g.Go(func() error {
		return dst.ReadFull(received)
	})

	if err := dst.JoinFrom(src, true); err != nil {
		fmt.Println("join error:", err)
		return
	}
	if err := g.Wait(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("joined transfer: %s\n", received)
	// Output:
	// joined transfer: hello
}
