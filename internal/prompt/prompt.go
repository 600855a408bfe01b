// Package prompt 提供交互式凭据与路径输入。
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"aspacesort/pkg/contract"
)

// 交互提示文案。
const (
	LabelURL      = "Please enter the ArchivesSpace API URL: "
	LabelUsername = "Please enter your username: "
	LabelPassword = "Please enter your password: "
	LabelInput    = "Enter path to input CSV: "
)

// ErrNoInput: 输入流已结束（非交互环境或用户 Ctrl+D）。
var ErrNoInput = errors.New("prompt: no input available")

// Prompter: 交互输入抽象（认证重试与缺省配置回退使用）。
type Prompter interface {
	Line(label string) (string, error)
	Secret(label string) (string, error)
	Say(format string, args ...any)
}

// Console: 基于行读取的 Prompter；stdin 为终端时密码不回显。
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	fd    int
	isTTY bool
	// readPassword 可替换（测试）。
	readPassword func(fd int) ([]byte, error)
}

// NewConsole 绑定到给定输入文件（通常为 os.Stdin）。
func NewConsole(in *os.File, out io.Writer) *Console {
	c := NewScripted(in, out)
	c.fd = int(in.Fd())
	c.isTTY = term.IsTerminal(c.fd)
	return c
}

// NewScripted 从任意 Reader 读取（管道/测试），密码按普通行读取。
func NewScripted(r io.Reader, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{in: bufio.NewReader(r), out: out, fd: -1, readPassword: term.ReadPassword}
}

// Line 打印 label 并读取一行（去除首尾空白）。
func (c *Console) Line(label string) (string, error) {
	fmt.Fprint(c.out, label)
	s, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// Secret 读取口令；终端下关闭回显。口令不裁剪内部空白，仅去掉行尾换行。
func (c *Console) Secret(label string) (string, error) {
	if !c.isTTY {
		fmt.Fprint(c.out, label)
		s, err := c.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && s != "") {
			if errors.Is(err, io.EOF) {
				return "", ErrNoInput
			}
			return "", err
		}
		return strings.TrimRight(s, "\r\n"), nil
	}
	fmt.Fprint(c.out, label)
	b, err := c.readPassword(c.fd)
	fmt.Fprintln(c.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Say 输出一行提示。
func (c *Console) Say(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// FillCredentials 为缺失字段逐项提问；已有值保持不变。
func FillCredentials(p Prompter, c *contract.Credentials) error {
	var err error
	if strings.TrimSpace(c.APIURL) == "" {
		if c.APIURL, err = p.Line(LabelURL); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Username) == "" {
		if c.Username, err = p.Line(LabelUsername); err != nil {
			return err
		}
	}
	if c.Password == "" {
		if c.Password, err = p.Secret(LabelPassword); err != nil {
			return err
		}
	}
	return nil
}

// AskCredentials 重新询问全部凭据（登录失败后使用）。
func AskCredentials(p Prompter) (contract.Credentials, error) {
	var c contract.Credentials
	err := FillCredentials(p, &c)
	return c, err
}

// AskInput 询问输入 CSV 路径。
func AskInput(p Prompter) (string, error) {
	return p.Line(LabelInput)
}
