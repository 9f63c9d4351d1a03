//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	composeFile    = "docker-compose.dev.yml"
	composeProject = "stockrelay-dev"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("StockRelay 构建系统")
	fmt.Println("===================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build           - 构建 stockrelay 二进制文件")
	fmt.Println("  mage test            - 运行所有测试")
	fmt.Println("  mage testUnit        - 运行单元测试")
	fmt.Println("  mage testRace        - 开启竞态检测运行测试")
	fmt.Println("  mage serve           - 本地启动 HTTP 服务")
	fmt.Println("  mage docker:env      - 启动 Redis + InfluxDB")
	fmt.Println("  mage docker:down     - 停止开发环境")
	fmt.Println("  mage docker:status   - 查看服务状态")
	fmt.Println("  mage clean           - 清理构建产物")
	fmt.Println("  mage lint            - 运行代码检查")
	fmt.Println("  mage coverage        - 生成测试覆盖率报告")
}

// Build 构建二进制文件
func Build() error {
	mg.Deps(Clean)

	output := filepath.Join("./dist", "stockrelay")
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	fmt.Println("📦 构建 stockrelay...")
	cmd := exec.Command("go", "build", "-trimpath", "-o", output, "./cmd/stockrelay")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("构建失败: %v\n输出: %s", err, string(out))
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ %s: %.1f MB\n", output, float64(info.Size())/1024/1024)
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	mg.Deps(TestUnit)
	return nil
}

// TestUnit 运行单元测试，Redis 相关测试使用 miniredis，不需要外部服务
func TestUnit() error {
	fmt.Println("🧪 运行单元测试...")

	cmd := exec.Command("go", "test", "./...", "-timeout=5m")
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Printf("单元测试失败输出:\n%s\n", string(output))
		return fmt.Errorf("单元测试失败: %v", err)
	}

	fmt.Println("✅ 单元测试通过!")
	return nil
}

// TestRace 开启竞态检测运行测试
func TestRace() error {
	fmt.Println("🏁 运行竞态检测...")
	return sh.RunV("go", "test", "-race", "./pkg/...", "-timeout=10m")
}

// Serve 本地启动 HTTP 服务
func Serve() error {
	if !isRedisRunning() {
		fmt.Println("⚠️  Redis 未运行，使用 redis 缓存时将降级为直接查询")
	}
	return sh.RunV("go", "run", "./cmd/stockrelay", "serve")
}

type Docker mg.Namespace

// Env 启动基础环境服务 (redis, influxdb)
func (Docker) Env() error {
	fmt.Println("🚀 启动基础环境服务 (redis, influxdb)...")
	return sh.RunV("docker-compose", "-f", composeFile, "-p", composeProject, "up", "-d", "redis", "influxdb")
}

// Down 停止所有开发环境服务
func (Docker) Down() error {
	fmt.Println("🛑 停止所有开发环境服务...")
	return sh.RunV("docker-compose", "-f", composeFile, "-p", composeProject, "down")
}

// Status 查看所有服务的当前状态
func (Docker) Status() error {
	return sh.RunV("docker-compose", "-f", composeFile, "-p", composeProject, "ps")
}

// Logs 查看所有服务的日志
func (Docker) Logs() error {
	return sh.RunV("docker-compose", "-f", composeFile, "-p", composeProject, "logs", "-f", "--tail=100")
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")

	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	for _, f := range []string{"./coverage.out", "./coverage.html"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			fmt.Printf("警告: 清理 %s 失败: %v\n", f, err)
		}
	}
	return nil
}

// Lint 检查格式并运行 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := exec.Command("gofmt", "-l", "./cmd", "./pkg").CombinedOutput()
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if files := strings.TrimSpace(string(output)); files != "" {
		return fmt.Errorf("以下文件需要 gofmt:\n%s", files)
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}

	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")

	cmd := exec.Command("go", "test", "./...", "-coverprofile=coverage.out", "-covermode=atomic")
	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("测试输出:\n%s\n", string(output))
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}

	if err := sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func=coverage.out"); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("   详细报告: file://" + getAbsolutePath("./coverage.html"))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", "stockrelay-redis-dev", "redis-cli", "ping")
	return cmd.Run() == nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}
