package queue

import "fmt"

func pendingKey(priority int) string {
	return fmt.Sprintf("tq:pending:%d", priority)
}

func taskKey(handle string) string {
	return fmt.Sprintf("tq:task:%s", handle)
}
