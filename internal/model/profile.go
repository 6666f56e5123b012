package model

import "time"

// Profile は正規化済みのユーザープロフィールを表す。
// REST APIはフラット形式とネスト形式（profile/social/stats/engagement）の
// 2種類のJSONを返すが、境界で正規化された後はこの形のみを扱う。
type Profile struct {
	PubKey         string
	Name           string
	DisplayName    string
	About          string // サニタイズ済みHTML
	Picture        string
	Banner         string
	NIP05          string // 検証前の申告値。検証結果はVerifiedに反映する
	Verified       bool
	FollowersCount int
	FollowingCount int
	VideoCount     int
	TotalViews     int
	TotalLikes     int
	Source         Source
	UpdatedAt      time.Time
}

// ProfileResult はプロフィール取得結果を表す。
// 読み取り失敗は原則として空結果に丸めるが、プロフィール存在確認では
// 「存在しない」と「取得に失敗した」を区別する必要があるため分離して返す。
type ProfileResult struct {
	Profile *Profile // 見つからない場合はnil
	Found   bool
}
