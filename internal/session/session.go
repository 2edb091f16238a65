// Package session は利用者ごとの匿名オーナーIDを管理します。
package session

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionCookieName = "wm_session"
	sessionKeyOwner   = "owner_id"

	sessionMaxAge = 24 * 60 * 60
)

// ContextOwnerKey は、ハンドラー間でオーナーIDを共有するためのキーです。
const ContextOwnerKey = "session.owner"

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return sessionMaxAge
}

// EnsureOwner はオーナーIDを払い出すミドルウェアを返します。
// セッションにIDがなければUUIDを生成して保存し、以降のリクエストで
// 同じIDが使われます。ログイン不要の匿名識別子です。
func EnsureOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)

		ownerID, ok := session.Get(sessionKeyOwner).(string)
		if !ok || ownerID == "" {
			ownerID = uuid.NewString()
			session.Set(sessionKeyOwner, ownerID)
			if err := session.Save(); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "SESSION_SAVE_FAILED",
					"message": "セッションの保存に失敗しました",
				})
				return
			}
		}

		c.Set(ContextOwnerKey, ownerID)
		c.Next()
	}
}

// OwnerID はミドルウェアが設定したオーナーIDを取り出します。
func OwnerID(c *gin.Context) string {
	owner, _ := c.Get(ContextOwnerKey)
	id, _ := owner.(string)
	return id
}
