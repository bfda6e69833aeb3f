package q

import (
	"activity"
	"fmt"
)

type fire struct{}

func (f *fire) Execute(ctx activity.Context) error {
	go func() {
		fmt.Println("hello")
	}()

	return nil
}
