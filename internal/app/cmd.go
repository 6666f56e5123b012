package app

// Command はゲートウェイの起動モードを表す。
type Command string

const (
	// CommandServe はゲートウェイAPIサーバーモードで起動することを示す。
	// クエリ・ミューテーション・認証の全HTTPエンドポイントを提供する。
	CommandServe Command = "serve"
	// CommandWorker はバックグラウンドワーカーモードで起動することを示す。
	// トレンドの定期リフレッシュと失効セッションの削除を実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションのみを実行して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーへのヘルスチェックを実行する。
	// シェルを持たないdistrolessコンテナのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
