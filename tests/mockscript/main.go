// Fake registration script for local and integration runs. Point
// workflows.python at the built binary; the script path argument selects
// the flow and MOCKSCRIPT_SCENARIO selects the outcome.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func main() {
	script := ""
	if len(os.Args) > 1 {
		script = filepath.Base(os.Args[1])
	}
	scenario := os.Getenv("MOCKSCRIPT_SCENARIO")
	in := bufio.NewReader(os.Stdin)

	if strings.HasPrefix(script, "reset_machine") {
		logf("正在重置机器码...")
		step()
		fmt.Println("机器标识重置成功")
		return
	}

	fmt.Println("请选择操作模式:")
	fmt.Println("1. 仅重置机器码")
	fmt.Println("2. 完整注册流程")
	fmt.Print("请输入选项 (1 或 2): ")
	choice, _ := in.ReadString('\n')
	choice = strings.TrimSpace(choice)
	logf("选择的模式: %s", choice)
	if choice != "2" {
		fmt.Fprintln(os.Stderr, "unexpected mode:", choice)
		os.Exit(2)
	}

	switch scenario {
	case "hang":
		logf("等待验证码...")
		time.Sleep(time.Hour)
	case "fail":
		step()
		fmt.Fprintln(os.Stderr, "Traceback (most recent call last):")
		fmt.Fprintln(os.Stderr, "RuntimeError: browser failed to start")
		os.Exit(1)
	case "nocreds":
		step()
		logf("注册流程结束")
		return
	}

	step()
	email := fmt.Sprintf("mock%d@example.com", time.Now().UnixNano()%1_000_000)
	logf("生成的邮箱账户: %s", email)
	step()
	logf("注册成功")
	logf("Cursor 账号信息:")
	logf("邮箱: %s", email)
	logf("密码: Mock-%d!", os.Getpid())

	fmt.Println("按回车键退出...")
	_, _ = in.ReadString('\n')
	if scenario == "exit-nonzero" {
		os.Exit(1)
	}
}

func logf(format string, args ...interface{}) {
	fmt.Printf(time.Now().Format("2006-01-02 15:04:05")+" - INFO - "+format+"\n", args...)
}

func step() {
	time.Sleep(100 * time.Millisecond)
}
