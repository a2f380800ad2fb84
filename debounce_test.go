package lineup

import (
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type saveRecorder struct {
	mutex  sync.Mutex
	values []string
}

func (self *saveRecorder) save(value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values = append(self.values, value)
}

func (self *saveRecorder) get() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.values...)
}

func TestDebounceCoalescing(t *testing.T) {
	recorder := &saveRecorder{}
	debounce := NewDebounce(recorder.save, 50*time.Millisecond)
	defer debounce.Cancel()

	// rapid keystrokes inside the idle window collapse into the last one
	debounce.Call("7")
	debounce.Call("71")
	debounce.Call("713")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, recorder.get(), []string{"713"})
}

func TestDebounceFlush(t *testing.T) {
	recorder := &saveRecorder{}
	debounce := NewDebounce(recorder.save, 1*time.Hour)
	defer debounce.Cancel()

	debounce.Call("a")
	fired := debounce.Flush()
	assert.Equal(t, fired, true)
	assert.Equal(t, recorder.get(), []string{"a"})

	// nothing pending after a flush
	fired = debounce.Flush()
	assert.Equal(t, fired, false)
	assert.Equal(t, recorder.get(), []string{"a"})
}

func TestDebounceCancel(t *testing.T) {
	recorder := &saveRecorder{}
	debounce := NewDebounce(recorder.save, 20*time.Millisecond)

	debounce.Call("a")
	debounce.Cancel()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(recorder.get()), 0)

	// calls after teardown are dropped
	debounce.Call("b")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(recorder.get()), 0)
}
