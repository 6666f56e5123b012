// Package nostr はNostrプロトコル（NIP-01）のイベントモデルと
// 署名・検証のプリミティブを提供する。
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// イベント種別
const (
	KindProfile     = 0     // プロフィールメタデータ
	KindDeletion    = 5     // 削除リクエスト
	KindRepost      = 6     // リポスト
	KindReaction    = 7     // リアクション（いいね）
	KindGenericList = 30001 // 汎用リスト（ピン留めに使用）
	KindShortVideo  = 34236 // ショート動画（アドレサブル）
)

// Event は署名付きの追記専用イベントレコードを表す。
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize はID計算用の正規化シリアライズ結果を返す。
// 形式は [0, pubkey, created_at, kind, tags, content] のJSON配列。
// HTMLエスケープを無効にしないとハッシュが他実装と一致しない。
func (e *Event) Serialize() ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID はイベントIDを計算する。シリアライズ結果のsha256（hex）。
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// Sign はイベントIDを計算し、秘密鍵でBIP-340 Schnorr署名を付与する。
// PubKeyが未設定の場合は秘密鍵から導出する。
func (e *Event) Sign(privKeyHex string) error {
	keyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return fmt.Errorf("秘密鍵のデコードに失敗: %w", err)
	}
	privKey, pubKey := btcec.PrivKeyFromBytes(keyBytes)

	if e.PubKey == "" {
		e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(pubKey))
	}
	if e.Tags == nil {
		e.Tags = [][]string{}
	}

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("イベントIDのデコードに失敗: %w", err)
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return fmt.Errorf("署名に失敗: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify はイベントIDの整合性と署名の正当性を検証する。
// 検証に失敗したイベントは受信時に破棄される。
func (e *Event) Verify() error {
	computed, err := e.ComputeID()
	if err != nil {
		return err
	}
	if computed != e.ID {
		return fmt.Errorf("イベントIDが一致しません: %s != %s", computed, e.ID)
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("公開鍵のデコードに失敗: %w", err)
	}
	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("公開鍵のパースに失敗: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("署名のデコードに失敗: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("署名のパースに失敗: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("イベントIDのデコードに失敗: %w", err)
	}
	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("署名の検証に失敗しました")
	}
	return nil
}

// TagValue は指定名の最初のタグの値を返す。見つからない場合は空文字列。
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues は指定名の全タグの値を出現順に返す。
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// DTag はアドレサブルイベントの安定識別子（dタグ）を返す。
func (e *Event) DTag() string {
	return e.TagValue("d")
}

// GeneratePrivateKey は新しい秘密鍵を生成しhexで返す。
// 主にテストと開発用途。
func GeneratePrivateKey() (string, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("秘密鍵の生成に失敗: %w", err)
	}
	return hex.EncodeToString(privKey.Serialize()), nil
}

// PublicKeyFromPrivate は秘密鍵（hex）からx-only公開鍵（hex）を導出する。
func PublicKeyFromPrivate(privKeyHex string) (string, error) {
	keyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("秘密鍵のデコードに失敗: %w", err)
	}
	_, pubKey := btcec.PrivKeyFromBytes(keyBytes)
	return hex.EncodeToString(schnorr.SerializePubKey(pubKey)), nil
}

// IsValidPubKey は64文字のhex公開鍵形式かを検証する。
// 形式不正はリレーフォールバックでも解決しない恒久的エラーとして扱う。
func IsValidPubKey(pubkey string) bool {
	if len(pubkey) != 64 {
		return false
	}
	_, err := hex.DecodeString(pubkey)
	return err == nil
}
