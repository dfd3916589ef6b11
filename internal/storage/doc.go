// Package storage 定义存储卷（volume）的抽象与驱动注册入口。
//
// 驱动作者需要：
//  1. 在 internal/storage/<driver>/ 目录下实现 Backend 接口；
//  2. 在 init() 中通过 MustRegister 注册驱动元数据；
//  3. 能直接按文件系统路径访问的驱动额外实现 DirectAccess，解析层据此走零拷贝分支。
//
// 其余驱动一律视为需要拷贝（copy-out），由 fetch 包通过 SaveFileLocally 落盘。
package storage
