package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/betbot/crossmm/internal/reconcile"
	"github.com/betbot/crossmm/pkg/kvstore"
)

// statectl 查看/维护成交对账的本地状态（cursor 与已处理成交）。运行前需停止 crossmm：Badger 同一时间只允许一个进程打开。
func main() {
	var (
		dbPath      = flag.String("state", getenv("STATE_DIR", "data/state"), "badger state dir")
		secretKey   = flag.String("secret-key", getenv("STATE_ENCRYPTION_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		resetCursor = flag.Bool("reset-cursor", false, "clear the fill cursor so the next start re-scans fills (dedupe still applies)")
	)
	flag.Parse()

	keyBytes, err := kvstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}

	kv, err := kvstore.Open(kvstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      !*resetCursor,
	})
	if err != nil {
		fatal(err)
	}
	defer kv.Close()

	store := reconcile.NewBadgerStore(kv, 0)
	cursor, found, err := store.Cursor()
	if err != nil {
		fatal(err)
	}
	processed, err := store.Processed()
	if err != nil {
		fatal(err)
	}
	if !found {
		cursor = "(none)"
	}
	fmt.Printf("state:     %s\ncursor:    %s\nprocessed: %d\n", *dbPath, cursor, processed)

	if *resetCursor {
		if err := store.ResetCursor(); err != nil {
			fatal(err)
		}
		fmt.Fprintln(os.Stderr, "cursor 已清除，下次启动将从头拉取成交")
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
