package os

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/232425wxy/addrman/libs/log"
)

// TrapSignal 捕捉 os.Interrupt 和 syscall.SIGTERM 两个信号，捕获到任意一个信号以后，
// 如果回调函数不为空，则先调用回调函数 cb，然后退出进程
func TrapSignal(logger log.CRLogger, cb func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range c {
			logger.Infow(fmt.Sprintf("captured %v, exiting...", sig))
			if cb != nil {
				cb()
			}
			os.Exit(0)
		}
	}()
}

// Exit 打印 s 并以状态码 1 退出程序
func Exit(s string) {
	fmt.Println(s)
	os.Exit(1)
}

// EnsureDir 如果给定的目录 dir 不存在，则创建它
func EnsureDir(dir string, mode os.FileMode) error {
	err := os.MkdirAll(dir, mode)
	if err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// FileExists 判断给定的文件路径是否存在
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// ReadFile 读取整个文件的内容
func ReadFile(filePath string) ([]byte, error) {
	return ioutil.ReadFile(filePath)
}

// MustWriteFile 写文件，失败的话直接退出程序
func MustWriteFile(filePath string, contents []byte, mode os.FileMode) {
	if err := ioutil.WriteFile(filePath, contents, mode); err != nil {
		Exit(fmt.Sprintf("MustWriteFile failed: %v", err))
	}
}
